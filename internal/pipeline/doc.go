// Package pipeline applies completion notifications to the job tree and
// decides what runs next.
//
// Midjourney notifications are matched by their own job id; face swap and
// Pika notifications carry the originating node's job id as replyRef. A
// completed grid fans out one select child per declared slot. A completed
// select child whose label is an advance selector downloads its image and
// chains into the face swap and animate stages. Every handled notification
// nudges its channel's lane, so a lane paused at capacity resumes once work
// finishes remotely.
package pipeline
