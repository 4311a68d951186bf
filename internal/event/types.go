package event

// SessionData accompanies session lifecycle events.
type SessionData struct {
	SessionID string `json:"sessionID"`
	ModelID   string `json:"modelID,omitempty"`
}

// ChunkData accompanies session.chunk events.
type ChunkData struct {
	SessionID string `json:"sessionID"`
	Index     int    `json:"index"`
	Content   string `json:"content"`
}

// CompletedData accompanies session.completed events.
type CompletedData struct {
	SessionID  string `json:"sessionID"`
	ChunkCount int    `json:"chunkCount"`
	TotalBytes int    `json:"totalBytes"`
}

// FailedData accompanies session.failed events.
type FailedData struct {
	SessionID string `json:"sessionID"`
	Message   string `json:"message"`
}

// PortData accompanies port.reserved and port.released events.
type PortData struct {
	Port int `json:"port"`
}

// ServerData accompanies server lifecycle events.
type ServerData struct {
	Port int `json:"port"`
}
