/*
Package events implements the server-push channel.

Operator subscribers join the broadcast room and see every state change;
each receiver agent joins a private agent_<id> room for targeted recording
directives. Delivery is best-effort: sends never block the emitting write
path, a subscriber whose buffer fills is disconnected, and a reconnecting
client must reconcile missed state through the REST API.
*/
package events
