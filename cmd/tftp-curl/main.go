package main

import (
	"flag"
	"io"
	"log"
	"os"
	"time"

	"github.com/wjholden/gotftp/tftp"
)

var (
	server    = flag.String("server", "", "* mandatory")
	filename  = flag.String("filename", "", "* mandatory")
	blocksize = flag.Int("blocksize", 512, "transfer blocksize")
	timeout   = flag.Int("timeout", 5, "timeout in seconds")
	upload    = flag.String("upload", "", "local file to upload instead of downloading")
	output    = flag.String("output", "", "write the download here instead of stdout")
)

func main() {
	flag.Parse()

	if *server == "" || *filename == "" {
		flag.Usage()
		return
	}

	c := tftp.Client{
		BlockSize: *blocksize,
		Timeout:   time.Duration(*timeout) * time.Second,
	}

	if *upload != "" {
		file, err := os.Open(*upload)
		if err != nil {
			log.Fatal(err)
		}
		defer file.Close()
		info, err := file.Stat()
		if err != nil {
			log.Fatal(err)
		}
		n, err := c.Put(*server, *filename, file, info.Size())
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("sent %d bytes", n)
		return
	}

	var dst io.Writer = os.Stdout
	if *output != "" {
		file, err := os.Create(*output)
		if err != nil {
			log.Fatal(err)
		}
		defer file.Close()
		dst = file
	}
	if _, err := c.Get(*server, *filename, dst); err != nil {
		log.Fatal(err)
	}
}
