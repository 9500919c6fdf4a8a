package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wehubfusion/Argus/pkg/detection"
)

// parseInstant reads a window bound as epoch milliseconds, RFC 3339, "now"
// or a duration relative to now such as "-1h".
func parseInstant(s string, now time.Time) (int64, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return 0, errors.New("empty time")
	case s == "now":
		return now.UnixMilli(), nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UnixMilli(), nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(d).UnixMilli(), nil
	}
	return 0, fmt.Errorf("invalid time %q: want epoch millis, RFC 3339, now or a duration", s)
}

func parseWindow(start, end string, now time.Time) (int64, int64, error) {
	s, err := parseInstant(start, now)
	if err != nil {
		return 0, 0, fmt.Errorf("--start: %w", err)
	}
	e, err := parseInstant(end, now)
	if err != nil {
		return 0, 0, fmt.Errorf("--end: %w", err)
	}
	if e <= s {
		return 0, 0, fmt.Errorf("end %d must be after start %d", e, s)
	}
	return s, e, nil
}

// loadAlerts reads alert definitions from YAML files. A file may hold
// several documents. Alerts default to active with nothing processed.
func loadAlerts(paths []string) ([]*detection.Alert, error) {
	var alerts []*detection.Alert
	seen := map[string]string{}
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open alert file: %w", err)
		}
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		for {
			alert := &detection.Alert{Active: true, LastTimestamp: detection.NoTimestamp}
			err := dec.Decode(alert)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				f.Close()
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
			if alert.ID == "" {
				f.Close()
				return nil, fmt.Errorf("parse %s: alert without id", path)
			}
			if prev, ok := seen[alert.ID]; ok {
				f.Close()
				return nil, fmt.Errorf("alert %s defined in both %s and %s", alert.ID, prev, path)
			}
			seen[alert.ID] = path
			alerts = append(alerts, alert)
		}
		f.Close()
	}
	return alerts, nil
}
