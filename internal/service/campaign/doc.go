// Package campaign implements campaign lifecycle management.
//
// The service layer contains the business rules for creating, scheduling,
// submitting, and deleting campaigns, and for the aggregated stats view.
// It depends on the Repository interface defined in this package and never
// imports from api/. Dispatch itself is the worker package's job: this
// service only moves campaigns into states the monitor picks up.
package campaign
