package secondary

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type Enrollment struct {
	UserID      string
	Confidence  float64 // mean confidence of the enrollment samples
	SampleCount int
	EnrolledAt  time.Time
}

// Enroll averages samples and accepts the enrollment only at or above threshold.
func Enroll(userID string, samples []Sample, threshold float64, now time.Time) (Enrollment, error) {
	if len(samples) == 0 {
		return Enrollment{}, ErrNoSignalDetected
	}
	var sum float64
	for _, s := range samples {
		if err := s.Validate(); err != nil {
			return Enrollment{}, err
		}
		sum += s.Confidence
	}
	avg := sum / float64(len(samples))
	if avg < threshold {
		return Enrollment{}, fmt.Errorf("enrollment confidence %.2f below %.2f", avg, threshold)
	}
	return Enrollment{UserID: userID, Confidence: avg, SampleCount: len(samples), EnrolledAt: now}, nil
}

// Enrollments keeps enrollment records in memory.
type Enrollments struct {
	mu      sync.Mutex
	records map[string]Enrollment
}

func NewEnrollments() *Enrollments {
	return &Enrollments{records: make(map[string]Enrollment)}
}

func (e *Enrollments) Save(en Enrollment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records[en.UserID] = en
}

func (e *Enrollments) Lookup(userID string) (Enrollment, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.records[userID]
	return en, ok
}

// EnrolledVerifier refuses to open the underlying device until the user has enrolled.
type EnrolledVerifier struct {
	Verifier    Verifier
	Enrollments *Enrollments
	UserID      string
}

func (v EnrolledVerifier) Open(ctx context.Context) (Device, error) {
	if _, ok := v.Enrollments.Lookup(v.UserID); !ok {
		return nil, ErrNotEnrolled
	}
	return v.Verifier.Open(ctx)
}
