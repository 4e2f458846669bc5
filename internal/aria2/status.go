package aria2

import (
	"strconv"
	"time"
)

// Status is a live snapshot of one download as reported by tellStatus.
// Raw keeps the full reply.
type Status struct {
	GID             string
	State           string
	TotalLength     int64
	CompletedLength int64
	DownloadSpeed   int64
	UploadSpeed     int64
	Dir             string
	ErrorCode       string
	ErrorMessage    string
	Raw             map[string]interface{}
}

func newStatus(reply map[string]interface{}) *Status {
	return &Status{
		GID:             toString(reply["gid"]),
		State:           toString(reply["status"]),
		TotalLength:     toInt64(reply["totalLength"]),
		CompletedLength: toInt64(reply["completedLength"]),
		DownloadSpeed:   toInt64(reply["downloadSpeed"]),
		UploadSpeed:     toInt64(reply["uploadSpeed"]),
		Dir:             toString(reply["dir"]),
		ErrorCode:       toString(reply["errorCode"]),
		ErrorMessage:    toString(reply["errorMessage"]),
		Raw:             reply,
	}
}

// Percent returns completion as a fraction in [0, 1]. The second result is
// false while the total length is unknown (zero).
func (s *Status) Percent() (float64, bool) {
	if s.TotalLength == 0 {
		return 0, false
	}
	return float64(s.CompletedLength) / float64(s.TotalLength), true
}

// ETA estimates the time left at the current download speed. The second
// result is false when the speed or the total length is unknown.
func (s *Status) ETA() (time.Duration, bool) {
	if s.DownloadSpeed == 0 || s.TotalLength == 0 {
		return 0, false
	}
	remaining := s.TotalLength - s.CompletedLength
	return time.Duration(float64(remaining)/float64(s.DownloadSpeed)) * time.Second, true
}

// Finished reports whether the daemon is done with the download, whatever
// the outcome.
func (s *Status) Finished() bool {
	switch s.State {
	case "complete", "error", "removed":
		return true
	}
	return false
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	case int64:
		return t
	case int:
		return int64(t)
	default:
		return 0
	}
}
