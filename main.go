package main

import "github.com/cortexserve/batchsched/cmd"

func main() {
	cmd.Execute()
}
