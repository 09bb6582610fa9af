// Package caldera is a resilient Go client for the Caldera device-control
// cloud API.
//
// The cloud's real rate limits are undocumented, stricter than advertised,
// and inconsistent between a continuous token bucket and discrete time
// windows. The client therefore schedules every request itself: a
// priority-aware queue feeds a single execution loop that paces traffic
// with an adaptive rate limiter, while a trust-based status cache and a
// batched polling coordinator keep background refreshes of many devices
// from ever tripping the upstream limiter.
//
// User-initiated commands run at critical priority and supersede any still
// queued command for the same device; background polling runs at low
// priority and is the first thing skipped under pressure.
//
// Basic usage:
//
//	client, err := caldera.New(token)
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	devices, err := client.ListDevices(ctx)
//	ok, err := client.SetPower(ctx, devices[0].ID, true, nil)
//	status, err := client.GetStatus(ctx, devices[0].ID, false)
//
// Temperatures cross this API in Celsius; the upstream Fahrenheit-integer
// convention is confined to the HTTP serialization edge.
package caldera
