// Package webhook hosts the inbound HTTP endpoint that receives job
// notifications from useapi.net.
//
// Deliveries are acknowledged as soon as they are decoded and handed to the
// event loop through Notifications; processing happens elsewhere. The same
// listener serves a liveness GET on the notification path and a JSON run
// summary at /api/status.
package webhook
