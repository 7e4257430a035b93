// Package requests correlates request and response payloads over one
// duplex session.
//
// Outbound requests get a fresh correlation id and a pending handle that
// resolves when the response with the same id is reassembled. Inbound
// requests are dispatched to a Handler and answered under their own id.
// Request and response payloads may announce streams; an exchange is
// complete only once every announced stream has been reassembled too.
package requests
