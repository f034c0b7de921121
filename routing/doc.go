// Package routing binds OCPP actions to endpoint handlers.
//
// Handlers are declared once per endpoint type as a table of registrations:
//
//	var routes = routing.NewTable[*Endpoint](
//		routing.OnTyped((*Endpoint).BootNotification),
//		routing.On(protocol.ActionDataTransfer, (*Endpoint).DataTransfer, routing.SkipValidation()),
//		routing.After(protocol.ActionBootNotification, (*Endpoint).AfterBootNotification),
//	)
//
// Handlers are method expressions, so the compiler checks that every
// registration belongs to the endpoint type. For each endpoint instance
// (usually one per connection) Build resolves the table into Routes: one
// entry per action holding the primary handler, the post handler and the
// validation flag, all bound to that instance.
//
// Every wrapper also records the handler name in a process-wide, ordered
// and de-duplicated list exposed by Routables. The list is diagnostic; it
// does not influence which handlers a table resolves.
package routing
