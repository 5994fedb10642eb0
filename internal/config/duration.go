package config

import (
	"encoding/json"
	"strconv"
	"time"
)

// CustomDuration serializes as whole seconds in JSON (JS numbers lose
// precision past 2^53 nanoseconds) and as a human-readable string
// ("5s", "30s") in YAML, mirroring the teacher's config.CustomDuration.
type CustomDuration struct {
	time.Duration
}

func (d CustomDuration) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(d.Duration / time.Second))
}

func (d *CustomDuration) UnmarshalJSON(data []byte) error {
	seconds, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return err
	}
	d.Duration = time.Duration(seconds) * time.Second
	return nil
}

func (d CustomDuration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

func (d *CustomDuration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	return unmarshal(&d.Duration)
}

func seconds(n int64) time.Duration { return time.Duration(n) * time.Second }
func millis(n int64) time.Duration  { return time.Duration(n) * time.Millisecond }
