package types

import (
	"strconv"
	"time"
)

// Telemetry topics, one per measured quantity.
const (
	TopicTemperature = "home/temperature"
	TopicHumidity    = "home/humidity"
	TopicPressure    = "home/pressure"
)

// Measurement is one atomically captured sensor snapshot.
type Measurement struct {
	Temperature float64   `json:"temperature_c"`
	Humidity    float64   `json:"humidity_pct"`
	Pressure    float64   `json:"pressure_pa"`
	CapturedAt  time.Time `json:"captured_at"`
}

// Field is a single quantity of a Measurement bound to its topic.
type Field struct {
	Topic string
	Value float64
}

// Fields returns the measurement's quantities in publish order:
// temperature, humidity, pressure.
func (m Measurement) Fields() [3]Field {
	return [3]Field{
		{Topic: TopicTemperature, Value: m.Temperature},
		{Topic: TopicHumidity, Value: m.Humidity},
		{Topic: TopicPressure, Value: m.Pressure},
	}
}

// FormatValue renders v as the shortest decimal text that parses back to v,
// never using exponent notation.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
