// Package geo 提供点到线段、点到折线的距离与投影计算。
//
// 距离采用以查询点为中心的局部等距矩形投影，适用于 5 km 以内的场景；
// 更远的距离仍会返回近似值，但不保证米级精度。
package geo

import (
	"errors"
	"fmt"
	"math"
)

// EarthRadiusMeters 地球平均半径（米）
const EarthRadiusMeters = 6371008.8

// degenerateEpsilon 线段长度小于该值（米）时按单点处理
const degenerateEpsilon = 1e-9

// ErrInvalidGeometry 折线点数不足或坐标越界
var ErrInvalidGeometry = errors.New("invalid geometry")

// Point WGS84 坐标（度）
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Validate 校验坐标范围
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) {
		return fmt.Errorf("%w: coordinate is NaN", ErrInvalidGeometry)
	}
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidGeometry, p.Lat)
	}
	if p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidGeometry, p.Lon)
	}
	return nil
}

// ValidatePolyline 校验折线：至少 2 个点且全部坐标合法
func ValidatePolyline(line []Point) error {
	if len(line) < 2 {
		return fmt.Errorf("%w: polyline needs at least 2 points, got %d", ErrInvalidGeometry, len(line))
	}
	for i, p := range line {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("waypoint %d: %w", i, err)
		}
	}
	return nil
}

// PolylineDistance 点到折线的最近距离结果
type PolylineDistance struct {
	DistanceMeters float64
	SegmentIndex   int     // 最近线段下标（线段 i 连接 line[i] 与 line[i+1]）
	Fraction       float64 // 投影点在线段上的位置 [0,1]
}

// DistanceToSegment 点到线段的距离（米）
func DistanceToSegment(p, a, b Point) float64 {
	d, _ := projectOntoSegment(p, a, b)
	return d
}

// DistanceToPolyline 点到折线的最短距离，距离相同时取下标最小的线段
func DistanceToPolyline(p Point, line []Point) (PolylineDistance, error) {
	if err := p.Validate(); err != nil {
		return PolylineDistance{}, err
	}
	if err := ValidatePolyline(line); err != nil {
		return PolylineDistance{}, err
	}

	best := PolylineDistance{DistanceMeters: math.Inf(1)}
	for i := 0; i < len(line)-1; i++ {
		d, t := projectOntoSegment(p, line[i], line[i+1])
		if d < best.DistanceMeters {
			best = PolylineDistance{DistanceMeters: d, SegmentIndex: i, Fraction: t}
		}
	}
	return best, nil
}

// Haversine 两点间大圆距离（米）
func Haversine(a, b Point) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dLat := lat2 - lat1
	dLon := toRadians(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// SegmentLengths 每段线段长度（米）
func SegmentLengths(line []Point) []float64 {
	if len(line) < 2 {
		return nil
	}
	lengths := make([]float64, len(line)-1)
	for i := range lengths {
		lengths[i] = Haversine(line[i], line[i+1])
	}
	return lengths
}

// PolylineLength 折线总长度（米）
func PolylineLength(line []Point) float64 {
	var total float64
	for _, l := range SegmentLengths(line) {
		total += l
	}
	return total
}

// projectOntoSegment 在以 p 为原点的局部平面上求 p 到线段 ab 的距离与投影比例
func projectOntoSegment(p, a, b Point) (float64, float64) {
	ax, ay := toLocal(p, a)
	bx, by := toLocal(p, b)

	dx, dy := bx-ax, by-ay
	segLenSq := dx*dx + dy*dy
	if segLenSq < degenerateEpsilon*degenerateEpsilon {
		return math.Hypot(ax, ay), 0
	}

	// p 在局部坐标中为原点
	t := -(ax*dx + ay*dy) / segLenSq
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}

	return math.Hypot(ax+t*dx, ay+t*dy), t
}

// toLocal 将 q 投影到以 origin 为原点的平面（米），x 向东，y 向北
func toLocal(origin, q Point) (float64, float64) {
	dLon := q.Lon - origin.Lon
	// 跨越反子午线时取较短方向
	if dLon > 180 {
		dLon -= 360
	} else if dLon < -180 {
		dLon += 360
	}
	x := toRadians(dLon) * math.Cos(toRadians(origin.Lat)) * EarthRadiusMeters
	y := toRadians(q.Lat-origin.Lat) * EarthRadiusMeters
	return x, y
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
