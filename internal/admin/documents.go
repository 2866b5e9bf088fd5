package admin

import (
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

const findOrderQuery = `
query FindOrder($query: String!) {
  orders(first: 10, query: $query) {
    edges {
      node {
        id
        name
        confirmationNumber
        email
        customer { id }
      }
    }
  }
}`

const findCustomerByEmailQuery = `
query FindCustomerByEmail($query: String!) {
  customers(first: 1, query: $query) {
    edges { node { id } }
  }
}`

const createCustomerMutation = `
mutation CreateCustomer($input: CustomerInput!) {
  customerCreate(input: $input) {
    customer { id }
    userErrors { field message }
  }
}`

const setEvidenceMutation = `
mutation SetEvidence($metafields: [MetafieldsSetInput!]!) {
  metafieldsSet(metafields: $metafields) {
    metafields { id }
    userErrors { field message }
  }
}`

const customerEvidenceQuery = `
query CustomerEvidence($id: ID!, $namespace: String!, $key: String!) {
  customer(id: $id) {
    metafield(namespace: $namespace, key: $key) { value }
  }
}`

const orderEvidenceQuery = `
query OrderEvidence($id: ID!, $namespace: String!, $key: String!) {
  order(id: $id) {
    metafield(namespace: $namespace, key: $key) { value }
  }
}`

var documents = map[string]string{
	"FindOrder":           findOrderQuery,
	"FindCustomerByEmail": findCustomerByEmailQuery,
	"CreateCustomer":      createCustomerMutation,
	"SetEvidence":         setEvidenceMutation,
	"CustomerEvidence":    customerEvidenceQuery,
	"OrderEvidence":       orderEvidenceQuery,
}

// validateDocuments parses every admin document and checks it holds exactly
// the named operation, so a typo fails at startup rather than per request.
func validateDocuments(docs map[string]string) error {
	for name, input := range docs {
		doc, err := parser.ParseQuery(&ast.Source{Name: name, Input: input})
		if err != nil {
			return fmt.Errorf("invalid admin document %s: %w", name, err)
		}
		if len(doc.Operations) != 1 || doc.Operations[0].Name != name {
			return fmt.Errorf("admin document %s must contain exactly the %s operation", name, name)
		}
	}
	return nil
}
