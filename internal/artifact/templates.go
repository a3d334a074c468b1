package artifact

const terraformHeader = `# Proxmox Infrastructure - Generated by pvebatch

terraform {
  required_providers {
    proxmox = {
      source  = "Telmate/proxmox"
      version = "~> 2.9"
    }
  }
}

provider "proxmox" {
  pm_api_url          = var.proxmox_api_url
  pm_api_token_id     = var.proxmox_api_token_id
  pm_api_token_secret = var.proxmox_api_token_secret
  pm_tls_insecure     = true
}

`

const terraformVariables = `variable "proxmox_api_url" {
  description = "Proxmox API URL"
  type        = string
}

variable "proxmox_api_token_id" {
  description = "Proxmox API Token ID"
  type        = string
}

variable "proxmox_api_token_secret" {
  description = "Proxmox API Token Secret"
  type        = string
  sensitive   = true
}
`

const terraformReadme = "# Proxmox Infrastructure - Terraform\n\n" +
	"This directory contains generated Terraform configurations for your Proxmox infrastructure.\n\n" +
	"## Usage\n\n" +
	"1. Initialize Terraform:\n   ```bash\n   terraform init\n   ```\n\n" +
	"2. Review the plan:\n   ```bash\n   terraform plan\n   ```\n\n" +
	"3. Apply (when ready):\n   ```bash\n   terraform apply\n   ```\n\n" +
	"## Configuration\n\n" +
	"Set the following variables in `terraform.tfvars` or via environment variables:\n" +
	"- `proxmox_api_url`\n- `proxmox_api_token_id`\n- `proxmox_api_token_secret`\n"

const ansibleHeader = `---
# Proxmox Infrastructure - Generated by pvebatch
# Each resource has its own playbook under playbooks/.
`

const ansibleReadme = "# Proxmox Infrastructure - Ansible\n\n" +
	"This directory contains generated Ansible playbooks for your Proxmox infrastructure.\n\n" +
	"## Usage\n\n" +
	"1. Install required collections:\n   ```bash\n   ansible-galaxy collection install community.general\n   ```\n\n" +
	"2. Configure inventory and variables in `inventory/hosts.yml`\n\n" +
	"3. Run playbooks:\n   ```bash\n   ansible-playbook -i inventory/hosts.yml site.yml\n" +
	"   ansible-playbook -i inventory/hosts.yml playbooks/<specific-playbook>.yml\n   ```\n\n" +
	"## Organization\n\n" +
	"- `playbooks/`: Individual playbooks for each VM/LXC\n" +
	"- `site.yml`: Imports every playbook\n"
