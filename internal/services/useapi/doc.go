// Package useapi speaks the useapi.net job API: Midjourney imagine and button
// submissions, InsightFaceSwap swaps, and Pika animations, plus plain asset
// downloads from notification attachments.
//
// Submit only performs the HTTP exchange. Connection-level failures are retried
// a bounded number of times and then surface as services.ErrTransport; any
// HTTP status, including 429 and 504, is returned to the caller as a Response
// for classification.
package useapi
