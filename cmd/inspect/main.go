// Command inspect dumps decoded records for a key prefix, with expiry
// columns, straight out of the BadgerDB directory. Handy when deciding
// whether the reaper or a guardian removed something.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/olekukonko/tablewriter"
)

func main() {
	dbPath := flag.String("db", "./data/emberchat", "Path to badger DB")
	prefix := flag.String("prefix", "msg:", "Prefix to scan (msg:, promo:, handle:, theme:, mute:, grant:, audit:)")
	flag.Parse()

	db, err := badger.Open(badger.DefaultOptions(*dbPath).
		WithReadOnly(true).
		WithLoggingLevel(badger.ERROR))
	if err != nil {
		log.Fatal("Error while opening Badger: ", err)
	}
	defer db.Close()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Key", "Expires At", "Expired", "Detail"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	now := time.Now().UTC()
	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefixBytes := []byte(*prefix)
		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			item := it.Item()
			key := string(item.Key())
			err := item.Value(func(v []byte) error {
				var record map[string]any
				if err := cbor.Unmarshal(v, &record); err != nil {
					fmt.Printf("Error unmarshaling key %s: %v\n", key, err)
					return nil
				}
				table.Append([]string{key, expiry(record), expired(record, now), detail(record)})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Fatal("Error while scanning: ", err)
	}
	table.Render()
}

func expiresAt(record map[string]any) (time.Time, bool) {
	raw, ok := record["ExpiresAt"]
	if !ok {
		return time.Time{}, false
	}
	switch nanos := raw.(type) {
	case int64:
		return time.Unix(0, nanos).UTC(), true
	case uint64:
		return time.Unix(0, int64(nanos)).UTC(), true
	default:
		return time.Time{}, false
	}
}

func expiry(record map[string]any) string {
	at, ok := expiresAt(record)
	if !ok {
		return "-"
	}
	return at.Format(time.RFC3339)
}

func expired(record map[string]any, now time.Time) string {
	at, ok := expiresAt(record)
	if !ok {
		return "-"
	}
	if now.Before(at) {
		return "no"
	}
	return "yes"
}

// detail flattens the remaining fields into a single readable cell.
func detail(record map[string]any) string {
	var parts []string
	for _, field := range []string{"Content", "Text", "Value", "DisplayName", "Sender", "Identity", "MutedBy", "Actor", "Action", "Target", "OriginRef"} {
		if v, ok := record[field]; ok {
			if s, ok := v.(string); ok && s != "" {
				parts = append(parts, fmt.Sprintf("%s=%s", field, s))
			}
		}
	}
	return strings.Join(parts, " ")
}
