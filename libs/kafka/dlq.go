package kafka

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// DLQError marks a job failure as non-retryable. Malformed payloads
// and other poison messages carry it so the consumer dead-letters them
// instead of burning retry attempts.
type DLQError struct {
	Err    error
	Reason string
}

func (e *DLQError) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *DLQError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// DLQ wraps err so the consumer routes the message straight to the
// dead-letter topic instead of retrying it.
func DLQ(err error, reason string) error {
	if err == nil {
		return nil
	}
	return &DLQError{Err: err, Reason: reason}
}

// DLQPayload is the dead-letter record for a consumed job that could
// not be processed. The original bytes ride along base64-encoded so an
// operator can replay the job after fixing the cause.
type DLQPayload struct {
	OriginalTopic string    `json:"original_topic"`
	Partition     int32     `json:"partition"`
	Offset        int64     `json:"offset"`
	Key           string    `json:"key,omitempty"`
	Error         string    `json:"error"`
	Reason        string    `json:"reason,omitempty"`
	Attempts      int       `json:"attempts,omitempty"`
	Payload       string    `json:"payload_base64"`
	Timestamp     time.Time `json:"timestamp"`
}

func BuildDLQPayload(msg *sarama.ConsumerMessage, err *DLQError, attempts int) DLQPayload {
	record := DLQPayload{
		OriginalTopic: msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		Attempts:      attempts,
		Timestamp:     time.Now().UTC(),
	}
	if len(msg.Key) > 0 {
		record.Key = string(msg.Key)
	}
	if len(msg.Value) > 0 {
		record.Payload = base64.StdEncoding.EncodeToString(msg.Value)
	}
	if err != nil {
		record.Reason = err.Reason
		if err.Err != nil {
			record.Error = err.Err.Error()
		} else {
			record.Error = err.Error()
		}
	}
	return record
}

// DLQPublishPayload is the dead-letter record for a job that never
// reached its topic. It has no partition or offset because the broker
// never accepted the message.
type DLQPublishPayload struct {
	OriginalTopic string    `json:"original_topic"`
	Key           string    `json:"key,omitempty"`
	Error         string    `json:"error"`
	Reason        string    `json:"reason,omitempty"`
	Attempts      int       `json:"attempts,omitempty"`
	Payload       string    `json:"payload_base64"`
	Timestamp     time.Time `json:"timestamp"`
}

func BuildPublishDLQPayload(topic, key string, value any, err error, reason string, attempts int) DLQPublishPayload {
	record := DLQPublishPayload{
		OriginalTopic: topic,
		Key:           key,
		Reason:        reason,
		Attempts:      attempts,
		Payload:       encodeDLQValue(value),
		Timestamp:     time.Now().UTC(),
	}
	if err != nil {
		record.Error = err.Error()
	}
	return record
}

func encodeDLQValue(value any) string {
	if value == nil {
		return ""
	}
	raw, err := json.Marshal(value)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", value))
	}
	return base64.StdEncoding.EncodeToString(raw)
}
