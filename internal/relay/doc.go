// Package relay contains the topic-scoped broadcast channel used to carry
// signal envelopes between call participants.
//
// Delivery is at-most-once and ordered per sender. Nothing is persisted: an
// envelope published while nobody is subscribed is gone. Recipient filtering
// is the consumer's job.
package relay
