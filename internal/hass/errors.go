package hass

import "fmt"

// TransportError is a network failure or a non-2xx response.
// StatusCode is 0 when no response was received.
type TransportError struct {
	Path       string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("request %s: HTTP %d: %v", e.Path, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("request %s: %v", e.Path, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError is a 2xx response whose body does not match the expected shape.
type DecodeError struct {
	Path string
	Body []byte
	Err  error
}

func (e *DecodeError) Error() string {
	const maxBody = 200
	body := e.Body
	if len(body) > maxBody {
		body = body[:maxBody]
	}
	return fmt.Sprintf("decode %s: %v (body %q)", e.Path, e.Err, body)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ConfigError reports a missing or invalid base address or credential.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
