// Package mqtt is the broker client behind both sides of the bridge.
//
// Connect opens the host bus link: paho reconnects on its own, and a
// retained online/offline status with a Last Will lives on
// graylogic/system/status. Dial opens a plain link and is what each ESPHome
// node connection uses, with auto-reconnect off because the node client runs
// its own backoff.
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.PublishJSON(mqtt.Topics{}.BridgeState("esphome", "lounge"), state, true)
package mqtt
