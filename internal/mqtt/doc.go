// Package mqtt forwards operational events from the bus to an MQTT
// broker so dashboards and alerting can follow support traffic without
// polling the API.
//
// The forwarder uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a retained "online" birth message to the
// availability topic; a will message flips it to "offline" on
// unexpected disconnects. Each bus event is published as JSON to
// <prefix>/events/<source>/<kind>, and per-day counters are published
// retained to <prefix>/stats/today after every finished request.
package mqtt
