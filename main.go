package main

import "somebuild/internal/somebuild"

func main() {
	somebuild.Main()
}
