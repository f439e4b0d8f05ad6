// Package router validates raw tasks from the generic task lane and
// promotes them into per-kind lanes.
//
// Each message moves through received, validated, enriched and routed, or
// through received, validation_failed and dead-lettered. Enrichment applies
// the routing table's timeout, retry and priority overrides for the task
// kind and stamps the router's identity:
//
//	payload["enrichment"] = {router_id, enriched_at, routing_config}
//
// Routed messages land on structured_task.<kind>. Lanes are opened on first
// use and cached for the life of the Router.
package router
