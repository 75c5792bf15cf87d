// Package imagestore persists evidence images captured at check-in and
// enrollment time. Storage is best-effort: callers log failures but
// never abort an attendance mutation over a missing picture.
package imagestore

import "time"

// Store saves base64 images and returns a stable reference (a URL path
// or remote URL) for the attendance record.
type Store interface {
	// SaveBase64 writes one image under folder with a prefix_timestamp
	// name derived from at.
	SaveBase64(folder, prefix, data string, at time.Time) (string, error)
	// DeletePrefix removes previously stored images whose name starts
	// with prefix, used when re-enrollment replaces visual evidence.
	DeletePrefix(folder, prefix string) error
}

const (
	// AttendanceFolder holds check-in/out evidence images.
	AttendanceFolder = "attendance_imgs"
	// FacesFolder holds enrollment evidence images.
	FacesFolder = "faces"
)
