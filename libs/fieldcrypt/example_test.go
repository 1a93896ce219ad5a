package fieldcrypt_test

import (
	"fmt"

	"github.com/AfshinJalili/authcore/libs/fieldcrypt"
)

func ExampleTransformer() {
	km, err := fieldcrypt.NewKeyMaterial("example passphrase", "example salt")
	if err != nil {
		panic(err)
	}
	c, err := fieldcrypt.NewCipher(km)
	if err != nil {
		panic(err)
	}
	tr := fieldcrypt.NewTransformer(c, fieldcrypt.ModelFields{"Patient": {"lastName"}})

	record := map[string]any{"lastName": "Doe", "city": "Geneva"}
	if err := tr.ProtectRecord("Patient", record); err != nil {
		panic(err)
	}
	stored, _ := fieldcrypt.ParseStored(record["lastName"].(string))
	fmt.Println(stored.IsSealed(), record["city"])

	if err := tr.RevealRecord("Patient", record); err != nil {
		panic(err)
	}
	fmt.Println(record["lastName"])
	// Output:
	// true Geneva
	// Doe
}
