package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ErrStructuredOutput is returned when a model reply cannot be coerced
// into the requested schema.
var ErrStructuredOutput = errors.New("structured output invalid")

// GenerateStructured asks model for a JSON object conforming to schema
// and decodes it into out. The schema is appended to the system prompt;
// the reply is accepted when the first JSON object in it validates.
func GenerateStructured(ctx context.Context, c Client, model, systemPrompt string, messages []Message, schema map[string]any, out any) error {
	schemaJSON, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	prompt := systemPrompt + "\n\nRespond with a single JSON object and nothing else. It must conform to this JSON Schema:\n" + string(schemaJSON)
	msgs := make([]Message, 0, len(messages)+1)
	msgs = append(msgs, Message{Role: RoleSystem, Content: prompt})
	msgs = append(msgs, messages...)

	resp, err := c.Chat(ctx, model, msgs, nil)
	if err != nil {
		return err
	}

	raw, ok := ExtractJSONObject(resp.Message.Content)
	if !ok {
		return fmt.Errorf("%w: no JSON object in reply", ErrStructuredOutput)
	}
	if err := ValidateJSON(schema, raw); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("%w: %v", ErrStructuredOutput, err)
	}
	return nil
}

// ValidateJSON checks doc against schema, joining every violation into
// a single ErrStructuredOutput.
func ValidateJSON(schema map[string]any, doc string) error {
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewStringLoader(doc))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStructuredOutput, err)
	}
	if result.Valid() {
		return nil
	}
	var problems []string
	for _, re := range result.Errors() {
		problems = append(problems, re.Field()+": "+re.Description())
	}
	return fmt.Errorf("%w: %s", ErrStructuredOutput, strings.Join(problems, "; "))
}

// ExtractJSONObject returns the first balanced {...} span in s. Models
// often wrap JSON in prose or code fences.
func ExtractJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
