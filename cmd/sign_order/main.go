// Command sign_order signs one CTF exchange order for an account key and
// prints the payload. With -submit it posts the order to the CLOB.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"polymarket-copytrader/api"
	"polymarket-copytrader/models"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: no .env file found")
	}

	var (
		address  = flag.String("address", "", "signer EOA address")
		proxy    = flag.String("proxy", "", "funder proxy address (empty for EOA)")
		keyRef   = flag.String("key-ref", "", "key reference, resolved from POLY_PRIVATE_KEY_<REF>")
		sigType  = flag.Int("signature-type", 0, "0=EOA, 1=Magic/Email, 2=Browser proxy")
		tokenID  = flag.String("token", "", "outcome token id")
		sideFlag = flag.String("side", "BUY", "BUY or SELL")
		price    = flag.String("price", "0.50", "limit price")
		size     = flag.String("size", "1", "size in shares")
		negRisk  = flag.Bool("neg-risk", false, "sign against the neg-risk exchange")
		chainID  = flag.Int64("chain-id", 137, "chain id")
		submit   = flag.Bool("submit", false, "post the signed order to the CLOB")
		clobURL  = flag.String("clob", "https://clob.polymarket.com", "CLOB base url")
	)
	flag.Parse()

	if *tokenID == "" || *keyRef == "" || *address == "" {
		flag.Usage()
		os.Exit(2)
	}

	side, err := models.ParseSide(*sideFlag)
	if err != nil {
		log.Fatalf("invalid side: %v", err)
	}
	p, err := decimal.NewFromString(*price)
	if err != nil {
		log.Fatalf("invalid price: %v", err)
	}
	s, err := decimal.NewFromString(*size)
	if err != nil {
		log.Fatalf("invalid size: %v", err)
	}

	account := models.Account{
		Address:       *address,
		ProxyAddress:  *proxy,
		KeyRef:        *keyRef,
		SignatureType: *sigType,
		Enabled:       true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	signer := api.NewEIP712Signer(*chainID, api.EnvKeys)
	order, err := signer.SignOrder(ctx, api.SignRequest{
		Account: account,
		TokenID: *tokenID,
		Side:    side,
		Price:   p,
		Size:    s,
		NegRisk: *negRisk,
	})
	if err != nil {
		log.Fatalf("Failed to sign: %v", err)
	}

	out, _ := json.MarshalIndent(order.Order, "", "  ")
	fmt.Println(string(out))

	if !*submit {
		return
	}

	clob := api.NewClobClient(api.ClobOptions{BaseURL: *clobURL, Timeout: 15 * time.Second, Credentials: api.EnvCredentials})
	id, err := clob.SubmitOrder(ctx, order)
	if err != nil {
		log.Fatalf("Failed to submit: %v", err)
	}
	fmt.Printf("submitted order %s\n", id)

	detail, err := clob.GetOrder(ctx, account, id)
	if err != nil {
		log.Printf("Failed to read back order: %v", err)
		return
	}
	fmt.Printf("status=%s matched=%s price=%s\n", detail.Status, detail.SizeMatched, detail.Price)
}
