// Package tron implements chain.Adapter on top of the TRON full node gRPC
// API and the TronGrid REST index.
package tron

import "fmt"

type Network struct {
	Name         string
	GRPCURL      string
	GridURL      string
	USDTContract string
}

var networks = map[string]Network{
	"mainnet": {
		Name:         "mainnet",
		GRPCURL:      "grpc.trongrid.io:50051",
		GridURL:      "https://api.trongrid.io",
		USDTContract: "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t",
	},
	"shasta": {
		Name:         "shasta",
		GRPCURL:      "grpc.shasta.trongrid.io:50051",
		GridURL:      "https://api.shasta.trongrid.io",
		USDTContract: "TG3XXyExBkPp9nzdajDZsozEu4BkaSJozs",
	},
	"nile": {
		Name:         "nile",
		GRPCURL:      "grpc.nile.trongrid.io:50051",
		GridURL:      "https://nile.trongrid.io",
		USDTContract: "TXYZopYRdj2D9XRtbG411XZZ3kM5VkAeBf",
	},
}

// ResolveNetwork returns the preset for name with any non-empty override applied.
func ResolveNetwork(name, grpcURL, gridURL, usdt string) (Network, error) {
	n, ok := networks[name]
	if !ok {
		return Network{}, fmt.Errorf("unsupported TRON network: %s", name)
	}
	if grpcURL != "" {
		n.GRPCURL = grpcURL
	}
	if gridURL != "" {
		n.GridURL = gridURL
	}
	if usdt != "" {
		n.USDTContract = usdt
	}
	return n, nil
}
