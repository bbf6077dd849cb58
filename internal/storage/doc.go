package storage

// Package storage provides the durable state of the bot.
//
// It holds:
//   - one-off quiz deliveries (schedules)
//   - multi-quiz sequences with their per-quiz state
//   - the dead-letter log of deliveries that exhausted their retries
//
// Every operation is a single short statement or transaction, so concurrent
// workers can write without coordinating.
