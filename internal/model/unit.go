package model

import "time"

// Unit is a residence inside an estate. The billing core only needs its
// activity flag and estate link; the admin surface owns everything else.
type Unit struct {
	ID        int64     `json:"id"`
	EstateID  int64     `json:"estate_id"`
	Label     string    `json:"label"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Estate carries the timezone rate evaluation runs in and default rate
// tables per utility (resolved through the rate repository).
type Estate struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	TimeZone string `json:"time_zone"`
}
