// Package mqtt connects the historian to the platform's MQTT bus.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Publishing with QoS guarantees and a 1MB payload cap
//   - Subscriptions that are restored after reconnects
//   - A retained liveness message with Last Will and Testament
//
// # Topics
//
// All topics live under a configurable prefix (default graylogic/history):
//
//	{prefix}/state/{id}          state changes of tracked datapoints
//	{prefix}/request/{requestID} command requests
//	{prefix}/response/{requestID} command responses
//	{prefix}/status              retained pipeline status
//	{prefix}/online              retained liveness and LWT
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(client.Topics().AllStates(), 1, handleState)
//
// # Security Considerations
//
//   - TLS should be enabled for production deployments (cfg.Broker.TLS=true)
//   - Anonymous access is only for local development
package mqtt
