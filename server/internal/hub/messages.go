package hub

import "github.com/mediagrab/mediagrab/server/internal/job"

// Server-to-client frames are JSON objects discriminated by "type".

type connectionMessage struct {
	Type     string `json:"type"`
	Status   string `json:"status"`
	ClientId string `json:"clientId"`
}

func greeting(clientId string) connectionMessage {
	return connectionMessage{Type: "connection", Status: "connected", ClientId: clientId}
}

func progressMessage(ev job.ProgressEvent) any {
	return struct {
		Type string `json:"type"`
		job.ProgressEvent
	}{"progress", ev}
}

func batchProgressMessage(ev job.BatchProgressEvent) any {
	return struct {
		Type string `json:"type"`
		job.BatchProgressEvent
	}{"batchProgress", ev}
}

func completedMessage(ev job.CompletedEvent) any {
	return struct {
		Type string `json:"type"`
		job.CompletedEvent
	}{"download_completed", ev}
}

func errorMessage(ev job.ErrorEvent) any {
	return struct {
		Type string `json:"type"`
		job.ErrorEvent
	}{"error", ev}
}
