// Package all wires every supported platform into a provider registry.
package all

import (
	"device-sync-backend/internal/provider"
	"device-sync-backend/internal/provider/awsiot"
	"device-sync-backend/internal/provider/azureiot"
	"device-sync-backend/internal/provider/golioth"
	"device-sync-backend/internal/provider/googleiot"
	"device-sync-backend/internal/provider/mqtt"
)

func Registry() *provider.Registry {
	return provider.NewRegistry(map[provider.Kind]provider.Factory{
		provider.KindGolioth:   golioth.New,
		provider.KindAWSIoT:    awsiot.New,
		provider.KindAzureIoT:  azureiot.New,
		provider.KindGoogleIoT: googleiot.New,
		provider.KindMQTT:      mqtt.New,
	})
}
