package stats

import (
	"fmt"
	"sort"
	"strings"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/sirupsen/logrus"
)

// Stats reports metrics and lifecycle events to statsd, mirroring every event
// into the job log so a single stream can be grepped for failure reasons.
type Stats struct {
	client statsd.ClientInterface
	logger *logrus.Logger

	prefix string
	tags   Tags
}

type Tags map[string]any

func New(client statsd.ClientInterface, logger *logrus.Logger) Stats {
	return Stats{
		client: client,
		logger: logger,
		tags:   Tags{},
	}
}

// Noop returns a Stats that reports nothing to statsd and logs at error level only.
func Noop() Stats {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return New(&statsd.NoOpClient{}, logger)
}

func (s Stats) WithPrefix(prefix string) Stats {
	s.prefix = joinPrefixes(s.prefix, prefix)
	return s
}

func (s Stats) WithTags(tags Tags) Stats {
	s.tags = mergeTags([]Tags{s.tags, tags})
	return s
}

type Event struct {
	statsd.Event
	Tags Tags
}

func (s Stats) Count(name string, value int64, tags Tags, rate float64) {
	s.client.Count(joinPrefixes(s.prefix, name), value, convertTags(mergeTags([]Tags{s.tags, tags})), rate)
}

func (s Stats) Incr(name string, tags Tags, rate float64) {
	s.client.Incr(joinPrefixes(s.prefix, name), convertTags(mergeTags([]Tags{s.tags, tags})), rate)
}

func (s Stats) Gauge(name string, value float64, tags Tags, rate float64) {
	s.client.Gauge(joinPrefixes(s.prefix, name), value, convertTags(mergeTags([]Tags{s.tags, tags})), rate)
}

func (s Stats) SimpleEvent(title string) {
	s.Event(Event{
		Event: *statsd.NewEvent(title, ""),
	})
}

func (s Stats) ErrorEvent(title string, err error) {
	s.Event(Event{
		Event: statsd.Event{
			Title:     title,
			Text:      err.Error(),
			AlertType: statsd.Error,
		},
	})
}

func (s Stats) Event(event Event) {
	tags := mergeTags([]Tags{s.tags, event.Tags})

	statsEvent := event.Event
	statsEvent.Title = joinPrefixes(s.prefix, event.Title)
	statsEvent.Tags = convertTags(tags)

	s.client.Event(&statsEvent)

	var level logrus.Level
	switch statsEvent.AlertType {
	case statsd.Error:
		level = logrus.ErrorLevel
	case statsd.Warning:
		level = logrus.WarnLevel
	default:
		level = logrus.InfoLevel
	}

	fields := logrus.Fields(tags)
	if statsEvent.AlertType == statsd.Error {
		fields["error"] = statsEvent.Text
	}

	s.logger.WithFields(fields).Log(level, statsEvent.Title)
}

func joinPrefixes(prefixes ...string) string {
	parts := make([]string, 0, len(prefixes))
	for _, v := range prefixes {
		if v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, ".")
}

func mergeTags(tags []Tags) Tags {
	merged := make(Tags)
	for _, group := range tags {
		for k, v := range group {
			if v == nil {
				continue
			}
			merged[k] = v
		}
	}
	return merged
}

// convertTags renders tags in statsd key:value form, sorted for determinism.
func convertTags(tags Tags) []string {
	converted := make([]string, 0, len(tags))
	for k, v := range tags {
		converted = append(converted, fmt.Sprintf("%s:%v", k, v))
	}
	sort.Strings(converted)
	return converted
}
