// Package mqtt bridges conversations to an MQTT broker. Outbound, it
// mirrors engine events: each conversation's generation state is
// published retained, and conversation updates and generation results
// are published as JSON notifications, so home automation and other
// local devices can react when a companion starts typing or sends a
// message. Inbound, messages published to a conversation's inbox topic
// are appended as user messages and answered.
//
// The bridge uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// publishes a retained birth message ("online") to the availability
// topic and re-subscribes to the inbox filter. A will message moves the
// availability topic to "offline" on unexpected disconnects.
//
// Topic layout under the configured prefix:
//
//	<prefix>/availability                     online | offline (retained)
//	<prefix>/conversations/<id>/state         idle | thinking | typing (retained)
//	<prefix>/conversations/<id>/events        JSON event notifications
//	<prefix>/conversations/<id>/inbox         inbound user messages
package mqtt
