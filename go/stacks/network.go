package stacks

import "fmt"

// Network bundles the consensus and connectivity parameters of a Stacks
// chain flavor.
type Network struct {
	Name               string
	TransactionVersion byte
	ChainID            uint32
	AddressVersion     byte
	DefaultAPIURL      string
}

var (
	// Mainnet is the production Stacks chain.
	Mainnet = Network{
		Name:               "mainnet",
		TransactionVersion: 0x00,
		ChainID:            0x00000001,
		AddressVersion:     AddressVersionMainnet,
		DefaultAPIURL:      "https://api.mainnet.hiro.so",
	}
	// Testnet is the public Stacks testnet.
	Testnet = Network{
		Name:               "testnet",
		TransactionVersion: 0x80,
		ChainID:            0x80000000,
		AddressVersion:     AddressVersionTestnet,
		DefaultAPIURL:      "https://api.testnet.hiro.so",
	}
	// Devnet is a local developer chain with testnet consensus parameters.
	Devnet = Network{
		Name:               "devnet",
		TransactionVersion: 0x80,
		ChainID:            0x80000000,
		AddressVersion:     AddressVersionTestnet,
		DefaultAPIURL:      "http://localhost:3999",
	}
	// Mocknet is an alias of Devnet.
	Mocknet = Network{
		Name:               "mocknet",
		TransactionVersion: 0x80,
		ChainID:            0x80000000,
		AddressVersion:     AddressVersionTestnet,
		DefaultAPIURL:      "http://localhost:3999",
	}
)

// NetworkByName maps a configured network name to its parameters.
func NetworkByName(name string) (Network, error) {
	switch name {
	case "mainnet":
		return Mainnet, nil
	case "testnet":
		return Testnet, nil
	case "devnet":
		return Devnet, nil
	case "mocknet":
		return Mocknet, nil
	default:
		return Network{}, fmt.Errorf("unknown network %q (expected mainnet, testnet, devnet or mocknet)", name)
	}
}
