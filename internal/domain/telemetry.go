package domain

// TickMessageType is the envelope type of telemetry frames.
const TickMessageType = "tick"

// TickMessage is the telemetry frame broadcast to observers.
type TickMessage struct {
	Type string   `json:"type"`
	Data TickData `json:"data"`
}

// TickData is the payload of a telemetry frame. Timestamp is unix millis and
// WSLatency is the feed delay of the last trade in milliseconds.
type TickData struct {
	ConfigID        string         `json:"configId"`
	Symbol          string         `json:"symbol"`
	Timestamp       int64          `json:"timestamp"`
	Price           float64        `json:"price"`
	Median          float64        `json:"median"`
	MAD             float64        `json:"mad"`
	ZScore          float64        `json:"zScore"`
	HeatmapSnapshot []HeatmapLevel `json:"heatmapSnapshot"`
	WSLatency       int64          `json:"wsLatency"`
}

// HeatmapLevel is the decayed traded volume of one price bucket.
type HeatmapLevel struct {
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
}
