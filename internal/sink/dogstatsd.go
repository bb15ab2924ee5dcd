package sink

import (
	"github.com/DataDog/datadog-go/v5/statsd"
)

// Dogstatsd forwards emissions to a local dogstatsd endpoint.
type Dogstatsd struct {
	client statsd.ClientInterface
}

// NewDogstatsd dials the given dogstatsd address (UDP or UDS).
func NewDogstatsd(addr string, globalTags []string) (*Dogstatsd, error) {
	client, err := statsd.New(addr, statsd.WithTags(globalTags))
	if err != nil {
		return nil, err
	}
	return &Dogstatsd{client: client}, nil
}

// NewDogstatsdWithClient wraps an existing statsd client.
func NewDogstatsdWithClient(client statsd.ClientInterface) *Dogstatsd {
	return &Dogstatsd{client: client}
}

func (d *Dogstatsd) Gauge(name string, value float64, tags []string) error {
	return d.client.Gauge(name, value, tags, 1)
}

func (d *Dogstatsd) Count(name string, value float64, tags []string) error {
	return d.client.Count(name, int64(value), tags, 1)
}

// Rate submits as a count; the agent derives the per-second rate over its
// flush interval.
func (d *Dogstatsd) Rate(name string, value float64, tags []string) error {
	return d.client.Count(name, int64(value), tags, 1)
}

func (d *Dogstatsd) Histogram(name string, value float64, tags []string) error {
	return d.client.Histogram(name, value, tags, 1)
}

func (d *Dogstatsd) ServiceCheck(name string, status Status, message string, tags []string) error {
	sc := &statsd.ServiceCheck{
		Name:    name,
		Status:  statsdStatus(status),
		Message: message,
		Tags:    tags,
	}
	return d.client.ServiceCheck(sc)
}

func (d *Dogstatsd) Close() error {
	return d.client.Close()
}

func statsdStatus(s Status) statsd.ServiceCheckStatus {
	if s == StatusOK {
		return statsd.Ok
	}
	return statsd.Critical
}
