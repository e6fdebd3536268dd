package domain

import "time"

type TrafficStats struct {
	PacketsIn         uint64        `json:"packets_in"`
	PacketsOut        uint64        `json:"packets_out"`
	BytesIn           uint64        `json:"bytes_in"`
	BytesOut          uint64        `json:"bytes_out"`
	PacketRate        float64       `json:"packet_rate"`
	ByteRate          float64       `json:"byte_rate"`
	ActiveConnections uint32        `json:"active_connections"`
	AverageLatency    float64       `json:"average_latency"`
	Timestamp         time.Duration `json:"timestamp"`
}
