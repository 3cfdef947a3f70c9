// Command land-registry-cc runs the land registry chaincode on a
// Hyperledger Fabric peer.
package main

import (
	"log"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"

	landregistry "github.com/landchain/registry/blockchain/fabric/chaincode/land-registry"
)

func main() {
	landRegistryChaincode, err := contractapi.NewChaincode(&landregistry.LandRegistryContract{})
	if err != nil {
		log.Panicf("Error creating land-registry chaincode: %v", err)
	}

	landRegistryChaincode.Info.Title = "LandChain Land Registry"
	landRegistryChaincode.Info.Description = "Land parcel token contract with custodial transfers"
	landRegistryChaincode.Info.Version = "1.0.0"

	if err := landRegistryChaincode.Start(); err != nil {
		log.Panicf("Error starting land-registry chaincode: %v", err)
	}
}
