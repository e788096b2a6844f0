package domain

import "time"

// Job is a deferred callback: POST Payload to TargetURL once ScheduledFor has passed.
type Job struct {
	JobID          string
	TargetURL      string
	Payload        string // JSON string
	Status         string
	WorkerID       string
	RetryCount     int
	MaxRetries     int
	TimeoutSeconds int
	ScheduledFor   time.Time
}

// Acknowledger is the part of amqp.Delivery the worker pool needs.
type Acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// JobMessage represents a job message from RabbitMQ
type JobMessage struct {
	JobID       string       `json:"job_id"`
	DeliveryTag uint64       `json:"-"`
	Delivery    Acknowledger `json:"-"`
}
