// Package factory provides a small generic registry used to instantiate
// pluggable modules (channel transports, hardware drivers, metrics sinks)
// from configuration. A module is selected by a type string and receives a
// map of raw settings that it decodes into its own typed struct.
//
// Example usage:
//
//	reg := factory.NewRegistry[connection.Dialer]()
//	reg.Register("websocket", func(conf map[string]any) (connection.Dialer, error) {
//	    var c struct{ URL string `json:"url"` }
//	    if err := factory.Decode(conf, &c); err != nil {
//	        return nil, err
//	    }
//	    return websocket.NewDialer(c.URL), nil
//	})
//	d, err := reg.Create(factory.ModuleConfig{Type: "websocket", Conf: map[string]any{"url": "ws://hub:4444"}})
package factory
