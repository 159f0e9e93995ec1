package matcher

import (
	"fmt"
	"math"
	"sync"

	"soma-geofence/internal/geo"
	"soma-geofence/internal/models"
)

// Config 匹配配置
type Config struct {
	DefaultThresholdMeters float64 // 路线未设置走廊宽度时使用
	AccuracyFactor         float64 // 低精度样本放宽阈值：max(基础阈值, accuracy*AccuracyFactor)
}

// Result 匹配结果
type Result struct {
	OnRoute          bool
	DeviationMeters  float64
	SegmentIndex     int
	ProgressFraction float64 // 0.0 起点 ~ 1.0 终点
	ThresholdMeters  float64 // 本次使用的有效阈值
}

// corridor 按路线版本缓存的派生数据
type corridor struct {
	version    int64
	cumulative []float64 // cumulative[i] 为线段 i 之前的累计长度
	lengths    []float64
	total      float64
}

// Matcher 路线匹配器，走廊数据在各会话间共享且只读
type Matcher struct {
	config Config

	mu        sync.RWMutex
	corridors map[string]*corridor
}

// NewMatcher 创建路线匹配器
func NewMatcher(cfg Config) *Matcher {
	if cfg.DefaultThresholdMeters <= 0 {
		cfg.DefaultThresholdMeters = 50
	}
	if cfg.AccuracyFactor < 0 {
		cfg.AccuracyFactor = 0
	}
	return &Matcher{
		config:    cfg,
		corridors: make(map[string]*corridor),
	}
}

// Match 判断样本是否在路线走廊内（阈值边界视为在路线上）
func (m *Matcher) Match(sample models.PositionSample, route *models.Route) (Result, error) {
	if route == nil {
		return Result{}, fmt.Errorf("route is required")
	}

	nearest, err := geo.DistanceToPolyline(sample.Point(), route.Waypoints)
	if err != nil {
		return Result{}, fmt.Errorf("route %s: %w", route.ID, err)
	}

	c := m.corridorFor(route)
	threshold := m.EffectiveThreshold(route, sample.Accuracy)

	var progress float64
	if c.total > 0 {
		progress = (c.cumulative[nearest.SegmentIndex] + nearest.Fraction*c.lengths[nearest.SegmentIndex]) / c.total
		progress = math.Min(1, math.Max(0, progress))
	}

	return Result{
		OnRoute:          nearest.DistanceMeters <= threshold,
		DeviationMeters:  nearest.DistanceMeters,
		SegmentIndex:     nearest.SegmentIndex,
		ProgressFraction: progress,
		ThresholdMeters:  threshold,
	}, nil
}

// EffectiveThreshold 计算有效阈值
func (m *Matcher) EffectiveThreshold(route *models.Route, accuracy float64) float64 {
	base := m.config.DefaultThresholdMeters
	if route.CorridorMeters != nil && *route.CorridorMeters > 0 {
		base = *route.CorridorMeters
	}
	return math.Max(base, accuracy*m.config.AccuracyFactor)
}

// Forget 删除路线的缓存走廊（路线删除或停用时调用）
func (m *Matcher) Forget(routeID string) {
	m.mu.Lock()
	delete(m.corridors, routeID)
	m.mu.Unlock()
}

func (m *Matcher) corridorFor(route *models.Route) *corridor {
	version := route.Version()

	m.mu.RLock()
	c, ok := m.corridors[route.ID]
	m.mu.RUnlock()
	if ok && c.version == version {
		return c
	}

	lengths := geo.SegmentLengths(route.Waypoints)
	c = &corridor{
		version:    version,
		lengths:    lengths,
		cumulative: make([]float64, len(lengths)),
	}
	for i, l := range lengths {
		c.cumulative[i] = c.total
		c.total += l
	}

	m.mu.Lock()
	// 只保留较新的版本
	if existing, ok := m.corridors[route.ID]; !ok || existing.version <= version {
		m.corridors[route.ID] = c
	}
	m.mu.Unlock()

	return c
}
