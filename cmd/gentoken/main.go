package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	firebase "firebase.google.com/go/v4"
	"github.com/klipach/roomchat/session"
	"google.golang.org/api/option"
)

func main() {
	ctx := context.Background()
	uidPtr := flag.String("uid", "", "User UID for token generation")
	apiKeyPtr := flag.String("apikey", os.Getenv("FIREBASE_API_KEY"), "Firebase API key for Identity Toolkit REST API")
	credentialsPtr := flag.String("credentials", "./service_account_key.json", "Service account key file")
	customOnlyPtr := flag.Bool("custom", false, "Print the custom token instead of exchanging it for an ID token")
	flag.Parse()

	if *uidPtr == "" {
		log.Fatalf("Please provide a user UID using the -uid flag")
	}

	absPath, err := filepath.Abs(*credentialsPtr)
	if err != nil {
		log.Fatalf("failed to get absolute path: %v", err)
	}
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(absPath))
	if err != nil {
		log.Fatalf("error initializing app: %v", err)
	}

	client, err := app.Auth(ctx)
	if err != nil {
		log.Fatalf("error getting Auth client: %v", err)
	}

	customToken, err := client.CustomToken(ctx, *uidPtr)
	if err != nil {
		log.Fatalf("error creating custom token: %v", err)
	}
	if *customOnlyPtr {
		fmt.Println(customToken)
		return
	}

	if *apiKeyPtr == "" {
		log.Fatalf("Please provide a Firebase API key using the -apikey flag")
	}
	s := session.New(*apiKeyPtr, nil)
	if _, err := s.SignInWithCustomToken(ctx, customToken); err != nil {
		log.Fatalf("error exchanging custom token: %v", err)
	}
	token, err := s.Token()
	if err != nil {
		log.Fatalf("error reading ID token: %v", err)
	}

	fmt.Println(token.AccessToken)
}
