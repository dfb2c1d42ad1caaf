package presence

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	adjectives = []string{"Cool", "Swift", "Bright", "Bold", "Zen", "Creative"}
	nouns      = []string{"Designer", "Artist", "Architect", "Creator", "Thinker"}

	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// RandomName 生成 "形容词 名词" 形式的显示名
func RandomName() string {
	rngMu.Lock()
	defer rngMu.Unlock()
	return adjectives[rng.Intn(len(adjectives))] + " " + nouns[rng.Intn(len(nouns))]
}

// RandomColor 生成 hsl(h, 70%, 60%) 形式的颜色
func RandomColor() string {
	rngMu.Lock()
	defer rngMu.Unlock()
	return fmt.Sprintf("hsl(%d, 70%%, 60%%)", rng.Intn(360))
}
