package model

import "time"

// Message is an assembled RFC 5322 message ready for a transport.
type Message struct {
	ID         string
	From       string
	Recipients []string
	Subject    string
	Date       time.Time
	Raw        []byte
}
