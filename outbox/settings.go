package outbox

import (
	"time"
)

const (
	defaultMaxPublishers        int           = 2
	defaultPollingInterval      time.Duration = time.Second * 30
	defaultMaxEventsPerInterval int           = -1
	defaultMaxEventsPerBatch    int           = 100
	defaultFailureWarnRatio     float64       = 0.5
)

// Settings holds the outbox publisher configuration.
type Settings struct {
	MaxPublishers        int           // in HA environments, maximum allowed number of publishers working concurrently
	PollingInterval      time.Duration // interval between database pollings by the publishers
	MaxEventsPerInterval int           // maximum number of events to be processed by a publisher in each iteration (-1 = unlimited)
	MaxEventsPerBatch    int           // maximum number of events per batch
	FailureWarnRatio     float64       // batch failure ratio above which a warning is logged
	Retry                RetryPolicy   // backoff schedule for failed deliveries
}

// validateSettings validates the established settings and sets defaults if needed.
func validateSettings(s *Settings) {
	if s.MaxPublishers <= 0 {
		s.MaxPublishers = defaultMaxPublishers
	}
	if s.PollingInterval <= 0 {
		s.PollingInterval = defaultPollingInterval
	}
	if s.MaxEventsPerInterval == 0 || s.MaxEventsPerInterval < -1 {
		s.MaxEventsPerInterval = defaultMaxEventsPerInterval
	}
	if s.MaxEventsPerBatch <= 0 {
		s.MaxEventsPerBatch = defaultMaxEventsPerBatch
	}
	if s.FailureWarnRatio <= 0 || s.FailureWarnRatio > 1 {
		s.FailureWarnRatio = defaultFailureWarnRatio
	}
	validateRetryPolicy(&s.Retry)
}
