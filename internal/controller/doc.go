// Package controller owns the subscription to the cluster: it lists and
// watches config maps by namespace and label selector, applies every event
// to the content store and nudges the sync loop.
//
// The subscription is a resumable cursor over the config map stream.
// Disconnects resume from the last seen resource version; an expired
// version triggers a full re-list, which is authoritative and corrects for
// anything missed while away. Transient failures back off exponentially
// and never give up; only authorization failures are surfaced as fatal.
package controller
