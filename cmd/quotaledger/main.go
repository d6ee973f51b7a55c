// Command quotaledger runs the quota ledger service and its admin tasks.
package main

func main() {
	Execute()
}
