package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/xeipuuv/gojsonschema"

	"github.com/nugget/supportdesk/internal/actions"
)

const maxBodyBytes = 64 << 10

// chatRequestSchema bounds inbound chat messages. Lengths count
// characters, not bytes.
const chatRequestSchema = `{
	"type": "object",
	"properties": {
		"message": {
			"type": "string",
			"minLength": 1,
			"maxLength": 4000,
			"pattern": "\\S"
		},
		"conversationId": {
			"type": "string",
			"pattern": "^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$"
		}
	},
	"required": ["message"]
}`

var chatSchema = mustSchema(chatRequestSchema)

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("compile schema: %v", err))
	}
	return s
}

// chatRequest is the body of every chat endpoint and WebSocket frame.
type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
}

// errInvalidJSON marks bodies that are not a JSON document.
var errInvalidJSON = errors.New("request body must be a JSON object")

// validateChat checks raw against the chat schema and decodes it.
func validateChat(raw []byte) (*chatRequest, []actions.FieldError, error) {
	if !json.Valid(raw) {
		return nil, nil, errInvalidJSON
	}
	result, err := chatSchema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, nil, errInvalidJSON
	}
	if !result.Valid() {
		details := make([]actions.FieldError, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			details = append(details, fieldError(re))
		}
		return nil, details, nil
	}

	var req chatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, nil, errInvalidJSON
	}
	return &req, nil, nil
}

func fieldError(re gojsonschema.ResultError) actions.FieldError {
	fe := actions.NewFieldError(re)
	switch {
	case fe.Field == "message" && re.Type() == "pattern":
		fe.Message = "message must not be blank"
	case fe.Field == "conversationId" && re.Type() == "pattern":
		fe.Message = "conversationId must be a UUID"
	}
	return fe
}

// decodeChat reads and validates a chat request body, writing a 400 and
// returning nil when it is unacceptable.
func (s *Server) decodeChat(w http.ResponseWriter, r *http.Request) *chatRequest {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.validationError(w, "request body too large or unreadable", nil)
		return nil
	}
	req, details, err := validateChat(raw)
	if err != nil {
		s.validationError(w, err.Error(), nil)
		return nil
	}
	if details != nil {
		s.validationError(w, "invalid request", details)
		return nil
	}
	return req
}
