package scene

import "math"

// Point 是画布坐标系中的一个点
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Coords 是对象外框的四个角点 (已应用缩放和旋转)
type Coords struct {
	TL Point `json:"tl"`
	TR Point `json:"tr"`
	BR Point `json:"br"`
	BL Point `json:"bl"`
}

// SetCoords 根据 left/top/width/height/scaleX/scaleY/angle 重新计算角点。
// 旋转以左上角为原点，和编辑器的默认 origin 一致。
func (o *Object) SetCoords() {
	left := o.Float("left", 0)
	top := o.Float("top", 0)
	w := o.Float("width", 0) * o.Float("scaleX", 1)
	h := o.Float("height", 0) * o.Float("scaleY", 1)
	rad := o.Float("angle", 0) * math.Pi / 180
	sin, cos := math.Sin(rad), math.Cos(rad)

	rotate := func(dx, dy float64) Point {
		return Point{X: left + dx*cos - dy*sin, Y: top + dx*sin + dy*cos}
	}
	o.Coords = Coords{
		TL: rotate(0, 0),
		TR: rotate(w, 0),
		BR: rotate(w, h),
		BL: rotate(0, h),
	}
}
