// internal/stream/errors.go
package stream

import "fmt"

// maxErrorBody: сколько тела не-2xx ответа сохраняем.
const maxErrorBody = 64 << 10

// ConnectionError: стрим не открылся. Status == 0, если ответа не было вовсе.
type ConnectionError struct {
	URL    string
	Status int
	Body   string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("connect %s: status %d: %s", e.URL, e.Status, e.Body)
	}
	return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransportReadError: стрим оборвался после установки.
type TransportReadError struct {
	Err error
}

func (e *TransportReadError) Error() string {
	return fmt.Sprintf("read stream: %v", e.Err)
}

func (e *TransportReadError) Unwrap() error { return e.Err }
