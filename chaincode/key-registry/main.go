package main

import (
	"log"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
	"github.com/medrex/chaincode/key-registry/keyregistry"
)

func main() {
	keyRegistryChaincode, err := contractapi.NewChaincode(&keyregistry.SmartContract{})
	if err != nil {
		log.Panicf("Error creating KeyRegistry chaincode: %v", err)
	}

	if err := keyRegistryChaincode.Start(); err != nil {
		log.Panicf("Error starting KeyRegistry chaincode: %v", err)
	}
}
