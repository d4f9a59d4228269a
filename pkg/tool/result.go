package tool

// Result is the sealed set of tool outcomes. The state machine handles each
// variant exhaustively; no other implementations exist.
type Result interface {
	sealed()
}

// TextResult is plain text output.
type TextResult struct {
	Text string `json:"text"`
}

// DataResult is structured output.
type DataResult struct {
	Data map[string]any `json:"data"`
}

// ArtifactResult reports a produced artifact version.
type ArtifactResult struct {
	Filename  string `json:"filename"`
	Version   int    `json:"version"`
	MimeType  string `json:"mime_type,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// ErrorResult is a failure the model is expected to see and recover from.
type ErrorResult struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (*TextResult) sealed()     {}
func (*DataResult) sealed()     {}
func (*ArtifactResult) sealed() {}
func (*ErrorResult) sealed()    {}

// Content converts a result to the map fed back to the model as the tool
// response.
func Content(r Result) map[string]any {
	switch v := r.(type) {
	case *TextResult:
		return map[string]any{"status": "success", "text": v.Text}
	case *DataResult:
		return map[string]any{"status": "success", "data": v.Data}
	case *ArtifactResult:
		return map[string]any{
			"status":   "success",
			"artifact": map[string]any{"filename": v.Filename, "version": v.Version},
		}
	case *ErrorResult:
		out := map[string]any{"status": "error", "message": v.Message}
		if v.Code != "" {
			out["code"] = v.Code
		}
		return out
	default:
		// Unreachable: Result is sealed.
		return map[string]any{"status": "error", "message": "unknown result variant"}
	}
}
