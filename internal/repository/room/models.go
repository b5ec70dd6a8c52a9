package room

import "time"

type Record struct {
	Code      string
	Name      string
	Host      string
	Secret    string
	Theme     string
	Members   []string
	TrackRef  *string
	Position  float64
	IsPlaying bool
	Queue     []string
	Version   int64
	CreatedAt time.Time
}

// UpdateFunc mutates a record in place. Returning an error aborts the write
// and the error is passed through to the caller unchanged.
type UpdateFunc func(*Record) error
