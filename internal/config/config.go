package config

import (
	"os"
	"strconv"
	"time"

	"soma-geofence/common/config"

	"github.com/joho/godotenv"
)

// Config 路线偏离与地理围栏服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig
	Webhook  config.WebhookConfig

	// 匹配与去抖配置
	Geofence struct {
		DefaultThresholdMeters float64 // 路线未设置走廊宽度时的默认阈值（米）
		AccuracyFactor         float64 // 有效阈值 = max(基础阈值, accuracy * AccuracyFactor)
		MaxAccuracyMeters      float64 // 精度超过该值的样本视为不可靠
		ConfirmSamples         int     // 连续偏离多少个样本后确认偏离
		RecoverSamples         int     // 确认偏离后连续回到路线多少个样本后解除
		ComfortPointRadius     float64 // 报警消息中引用附近安心点的最大距离（米）
	}

	// 采集管线配置
	Pipeline struct {
		QueueSize      int           // 每个用户的待处理样本队列长度
		RecentEvents   int           // 内存中保留的最近偏离事件数
		SnapshotTTL    time.Duration // 会话快照在 Redis 中的 TTL
		SnapshotPrefix string        // 会话快照键前缀，如 "soma:session:"
	}

	// Outbox 配置
	Outbox struct {
		Backend          string // redis | memory
		Stream           string // 持久化 outbox 的 stream 名称
		DeadLetterStream string
		ConsumerGroup    string
		ConsumerName     string
		BatchSize        int64
		PollInterval     time.Duration // 无任务时的等待时间
		MaxAttempts      int
		InitialBackoff   time.Duration
		MaxBackoff       time.Duration
	}

	// 消息入口配置
	Ingest struct {
		LocationStream string // 位置样本 stream
		RouteStream    string // 路线变更 stream
		ConsumerGroup  string
		ConsumerName   string
		BatchSize      int64
		BlockTimeout   time.Duration // 位置 stream 的 XREADGROUP 阻塞时间
		LocationTopic  string        // 手机端位置上报主题，如 "soma/location/+"
		SOSTopic       string        // 手机端求助主题，如 "soma/sos/+"
	}

	// 通知配置
	Notify struct {
		AlertTopicPrefix     string        // 报警推送主题前缀，如 "soma/alerts/"
		OpsTopic             string        // 运维报警主题
		WebhookInterval      time.Duration // 同一用户非 SOS 推送的最小间隔
		WebhookBurst         int
		SOSBuddyRadiusMeters float64 // SOS 时通知该半径内的志愿者
	}

	HTTP struct {
		Addr string
	}

	Log struct {
		Level  string
		Format string
	}
}

// MinBlockTimeout Redis Streams 阻塞读取的最短等待时间
const MinBlockTimeout = 50 * time.Millisecond

// Load 加载配置（.env 文件可选）
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "soma"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = 20
	cfg.Database.MaxIdle = 5
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "soma-geofence"
	cfg.MQTT.QoS = 1
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Webhook.Timeout = 10 * time.Second
	cfg.Webhook.RetryCount = 3
	cfg.Webhook.LoadFromEnv("WEBHOOK")

	cfg.Geofence.DefaultThresholdMeters = getEnvFloat("GEOFENCE_THRESHOLD_METERS", 50)
	cfg.Geofence.AccuracyFactor = getEnvFloat("GEOFENCE_ACCURACY_FACTOR", 1.0)
	cfg.Geofence.MaxAccuracyMeters = getEnvFloat("GEOFENCE_MAX_ACCURACY_METERS", 200)
	cfg.Geofence.ConfirmSamples = getEnvInt("GEOFENCE_CONFIRM_SAMPLES", 3)
	cfg.Geofence.RecoverSamples = getEnvInt("GEOFENCE_RECOVER_SAMPLES", 1)
	cfg.Geofence.ComfortPointRadius = getEnvFloat("GEOFENCE_COMFORT_POINT_RADIUS", 250)

	cfg.Pipeline.QueueSize = getEnvInt("PIPELINE_QUEUE_SIZE", 32)
	cfg.Pipeline.RecentEvents = getEnvInt("PIPELINE_RECENT_EVENTS", 50)
	cfg.Pipeline.SnapshotTTL = getEnvDuration("PIPELINE_SNAPSHOT_TTL", 10*time.Minute)
	cfg.Pipeline.SnapshotPrefix = getEnv("PIPELINE_SNAPSHOT_PREFIX", "soma:session:")

	cfg.Outbox.Backend = getEnv("OUTBOX_BACKEND", "redis")
	cfg.Outbox.Stream = getEnv("OUTBOX_STREAM", "soma:outbox:stream")
	cfg.Outbox.DeadLetterStream = getEnv("OUTBOX_DEAD_LETTER_STREAM", "soma:outbox:dead")
	cfg.Outbox.ConsumerGroup = getEnv("OUTBOX_CONSUMER_GROUP", "soma-outbox")
	cfg.Outbox.ConsumerName = getEnv("OUTBOX_CONSUMER_NAME", "soma-geofence-1")
	cfg.Outbox.BatchSize = int64(getEnvInt("OUTBOX_BATCH_SIZE", 50))
	cfg.Outbox.PollInterval = atLeast(getEnvDuration("OUTBOX_POLL_INTERVAL", time.Second), MinBlockTimeout)
	cfg.Outbox.MaxAttempts = getEnvInt("OUTBOX_MAX_ATTEMPTS", 8)
	cfg.Outbox.InitialBackoff = getEnvDuration("OUTBOX_INITIAL_BACKOFF", 500*time.Millisecond)
	cfg.Outbox.MaxBackoff = getEnvDuration("OUTBOX_MAX_BACKOFF", 30*time.Second)

	cfg.Ingest.LocationStream = getEnv("INGEST_LOCATION_STREAM", "soma:location:stream")
	cfg.Ingest.RouteStream = getEnv("INGEST_ROUTE_STREAM", "soma:route:stream")
	cfg.Ingest.ConsumerGroup = getEnv("INGEST_CONSUMER_GROUP", "soma-geofence")
	cfg.Ingest.ConsumerName = getEnv("INGEST_CONSUMER_NAME", "soma-geofence-1")
	cfg.Ingest.BatchSize = int64(getEnvInt("INGEST_BATCH_SIZE", 100))
	cfg.Ingest.BlockTimeout = atLeast(getEnvDuration("INGEST_BLOCK_TIMEOUT", 500*time.Millisecond), MinBlockTimeout)
	cfg.Ingest.LocationTopic = getEnv("INGEST_LOCATION_TOPIC", "soma/location/+")
	cfg.Ingest.SOSTopic = getEnv("INGEST_SOS_TOPIC", "soma/sos/+")

	cfg.Notify.AlertTopicPrefix = getEnv("NOTIFY_ALERT_TOPIC_PREFIX", "soma/alerts/")
	cfg.Notify.OpsTopic = getEnv("NOTIFY_OPS_TOPIC", "soma/ops/alerts")
	cfg.Notify.WebhookInterval = getEnvDuration("NOTIFY_WEBHOOK_INTERVAL", time.Minute)
	cfg.Notify.WebhookBurst = getEnvInt("NOTIFY_WEBHOOK_BURST", 3)
	cfg.Notify.SOSBuddyRadiusMeters = getEnvFloat("NOTIFY_SOS_BUDDY_RADIUS_METERS", 1000)

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8090")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

// atLeast 阻塞读取的超时不能为 0（XREADGROUP 会变成非阻塞，消费循环空转）
func atLeast(d, floor time.Duration) time.Duration {
	if d < floor {
		return floor
	}
	return d
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if v, err := time.ParseDuration(value); err == nil {
			return v
		}
	}
	return defaultValue
}
