package sink

// Status is the binary health signal reported with a service check.
type Status int

const (
	StatusOK Status = iota
	StatusCritical
)

func (s Status) String() string {
	if s == StatusOK {
		return "OK"
	}
	return "CRITICAL"
}

// Sink accepts metric emissions and service-check updates. The collector
// core never stores emission history; everything is forwarded here.
type Sink interface {
	Gauge(name string, value float64, tags []string) error
	Count(name string, value float64, tags []string) error
	Rate(name string, value float64, tags []string) error
	Histogram(name string, value float64, tags []string) error
	ServiceCheck(name string, status Status, message string, tags []string) error
	Close() error
}
