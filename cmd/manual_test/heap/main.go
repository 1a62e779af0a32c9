package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/tuannm99/heapdb/internal"
	"github.com/tuannm99/heapdb/internal/bufferpool"
	"github.com/tuannm99/heapdb/internal/heap"
	"github.com/tuannm99/heapdb/internal/storage"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := internal.LoadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	if cfg.Debug {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	dm, err := storage.Open(cfg.Storage.Dir, cfg.Storage.Base)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open database:", err)
		os.Exit(1)
	}
	defer dm.Close()

	bm := bufferpool.NewManager(dm, cfg.Storage.PoolFrames)

	hf, err := heap.Open(dm, bm, "demo")
	if err != nil {
		fmt.Fprintln(os.Stderr, "open heap file:", err)
		os.Exit(1)
	}
	defer hf.Close()

	fmt.Println("database:", dm.DBID())

	var rids []heap.RID
	for i := 0; i < 5; i++ {
		rid, err := hf.InsertRecord([]byte(fmt.Sprintf("record-%d", i)))
		if err != nil {
			fmt.Fprintln(os.Stderr, "insert:", err)
			os.Exit(1)
		}
		rids = append(rids, rid)
		fmt.Printf("inserted %q at page=%d slot=%d\n", fmt.Sprintf("record-%d", i), rid.PageNo, rid.SlotNo)
	}

	data, err := hf.SelectRecord(rids[2])
	if err != nil {
		fmt.Fprintln(os.Stderr, "select:", err)
		os.Exit(1)
	}
	fmt.Printf("selected %q\n", data)

	if err := hf.DeleteRecord(rids[0]); err != nil {
		fmt.Fprintln(os.Stderr, "delete:", err)
		os.Exit(1)
	}

	cnt, err := hf.RecordCount()
	if err != nil {
		fmt.Fprintln(os.Stderr, "count:", err)
		os.Exit(1)
	}
	fmt.Println("records:", cnt)

	sc, err := hf.OpenScan()
	if err != nil {
		fmt.Fprintln(os.Stderr, "scan:", err)
		os.Exit(1)
	}
	for {
		rid, rec, err := sc.Next()
		if err == heap.ErrScanDone {
			break
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "scan next:", err)
			os.Exit(1)
		}
		fmt.Printf("scan: page=%d slot=%d %q\n", rid.PageNo, rid.SlotNo, rec)
	}
	sc.Close()
}
