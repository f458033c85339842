package audit

import (
	"encoding/json"

	"github.com/agenttrace/agenttrace/trace"
)

// CaptureRequestFromSpan maps a security-sensitive span onto an audit
// capture request. Wired into the export pipeline's audit sink.
func CaptureRequestFromSpan(span *trace.Span, org, project string) CaptureRequest {
	severity := SeverityInfo
	if span.Status == trace.StatusError {
		severity = SeverityWarning
	}

	actorID, _ := span.Attributes["actor.id"].(string)
	if actorID == "" {
		actorID = "agent"
	}

	var newState json.RawMessage
	if payload, err := json.Marshal(map[string]any{
		"span_id":  span.SpanID,
		"trace_id": span.TraceID,
		"name":     span.Name,
		"status":   span.Status,
	}); err == nil {
		newState = payload
	}

	return CaptureRequest{
		OrganizationID: org,
		ProjectID:      project,
		Actor:          Actor{Type: ActorService, ID: actorID},
		Classification: Classification{
			Category: CategoryData,
			Type:     "trace.sensitive_span",
			Severity: severity,
		},
		Resource:  Resource{Type: "span", ID: span.SpanID, Name: span.Name},
		Action:    ActionCreate,
		NewState:  newState,
		Timestamp: span.EndTS,
	}
}
