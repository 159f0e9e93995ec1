package pipeline

import (
	"context"
	"fmt"

	"soma-geofence/internal/models"
	"soma-geofence/internal/outbox"
)

// LocationWriter 位置轨迹持久化
type LocationWriter interface {
	InsertLocation(ctx context.Context, record *models.LocationRecord) error
}

// RegisterHandlers 注册 tracking.insert 任务处理
func RegisterHandlers(d *outbox.Dispatcher, writer LocationWriter) {
	d.Register(outbox.KindTrackingInsert, func(ctx context.Context, job outbox.Job) error {
		var record models.LocationRecord
		if err := job.Decode(&record); err != nil {
			return err
		}
		if err := writer.InsertLocation(ctx, &record); err != nil {
			return fmt.Errorf("failed to insert location %s: %w", record.ID, err)
		}
		return nil
	})
}
