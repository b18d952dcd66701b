// Package api exposes the pipeline command surface over HTTP. Only add and
// list-by-user are served; single-pipeline reads and deletes answer 501.
package api
